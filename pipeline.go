package main

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// allowedExtensions is the case-insensitive filter applied while walking a
// tree for candidates.
var allowedExtensions = map[string]bool{
	".elf":  true,
	".self": true,
	".prx":  true,
	".sprx": true,
	".bin":  true,
}

// unionFolderPattern matches the fragile "skip union folder" heuristic:
// eight characters followed by the literal union-folder suffix.
var unionFolderPattern = regexp.MustCompile(`^.{8}-app0-patch0-union$`)

const maxFileRetries = 3

// Pipeline is the Pipeline Driver: walks a source tree, sequences
// decrypt -> stage copy -> patch -> re-wrap, and reports progress through
// the notification/log sinks.
type Pipeline struct {
	KM       KernelMemory
	Profile  FirmwareProfile
	Service  DecryptService
	Magic    uint32
	Config   Config
	Notifier Notifier
	Logger   Logger
	Progress *Progress

	SrcRoot  string
	DestRoot string
}

// Discover decouples tree-walk discovery from per-file processing,
// reproducing the original's dump-queue build phase as an explicit slice
// rather than a fused walk-and-process loop.
func (p *Pipeline) Discover(root string) ([]string, error) {
	var queue []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && unionFolderPattern.MatchString(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !allowedExtensions[ext] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		queue = append(queue, rel)
		return nil
	})
	if err != nil {
		return nil, errIO(root, err)
	}
	return queue, nil
}

// Run walks SrcRoot and processes every candidate, holding the service lock
// for the duration of the run.
func (p *Pipeline) Run() error {
	lock := NewServiceLock(p.KM, p.Profile)
	if err := lock.Acquire(); err != nil {
		return errInternal(p.SrcRoot, err)
	}
	defer lock.Release()

	queue, err := p.Discover(p.SrcRoot)
	if err != nil {
		return err
	}
	if p.Progress != nil {
		p.Progress.Total.Store(int64(len(queue)))
	}

	for _, rel := range queue {
		if err := p.processWithRetry(rel); err != nil {
			if kindOf(err) == KindIO {
				return err
			}
		}
		if p.Progress != nil {
			p.Progress.Processed.Add(1)
			p.Progress.Report("processed " + rel)
		}
	}
	return nil
}

// processWithRetry applies the file-level retry policy: a SegmentDecrypt
// failure is retried up to two additional times; an IO error is returned
// as is and stops the run; any other non-NotSelf error unlinks the partial
// output and moves on; NotSelf is a silent skip.
func (p *Pipeline) processWithRetry(rel string) error {
	var lastErr error
	for attempt := 0; attempt < maxFileRetries; attempt++ {
		err := p.processFile(rel)
		if err == nil {
			return nil
		}
		lastErr = err
		switch kindOf(err) {
		case KindNotSelf:
			p.notify("%s: not a SELF, skipping", rel)
			return nil
		case KindSegmentDecrypt:
			p.log("%s: segment decrypt failed (attempt %d/%d): %v", rel, attempt+1, maxFileRetries, err)
			continue
		case KindIO:
			p.log("%s: io error: %v", rel, err)
			return err
		default:
			p.log("%s: %v", rel, err)
			p.unlinkOutput(rel)
			return err
		}
	}
	p.notify("%s: decrypt failed after retries", rel)
	p.unlinkOutput(rel)
	return lastErr
}

func (p *Pipeline) outPath(rel string) string {
	return filepath.Join(p.DestRoot, rel)
}

func (p *Pipeline) unlinkOutput(rel string) {
	_ = os.Remove(p.outPath(rel))
}

func (p *Pipeline) notify(format string, args ...any) {
	if p.Notifier != nil {
		p.Notifier.Notify(format, args...)
	}
}

func (p *Pipeline) log(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Logf(format, args...)
	}
}

// processFile performs one attempt at decrypt -> stage copy -> patch ->
// re-wrap for a single candidate.
func (p *Pipeline) processFile(rel string) error {
	srcPath := filepath.Join(p.SrcRoot, rel)
	debugf("processFile: %s", srcPath)
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errIO(srcPath, err)
	}
	if len(data) < 0x40 {
		return errInternal(srcPath, errShort("input"))
	}

	if !p.Config.Decrypter {
		return nil
	}

	output, err := p.decryptSelf(data)
	if err != nil {
		if kindOf(err) == KindNotSelf {
			return errNotSelf(srcPath)
		}
		return err
	}

	outPath := p.outPath(rel)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return errIO(outPath, err)
	}
	if err := os.WriteFile(outPath, output, 0644); err != nil {
		return errIO(outPath, err)
	}

	if p.Config.EnableRewrap || p.Config.EnableBackport {
		stagePath := filepath.Join(p.DestRoot, "decrypted", rel)
		if err := os.MkdirAll(filepath.Dir(stagePath), 0755); err != nil {
			return errIO(stagePath, err)
		}
		if err := os.WriteFile(stagePath, output, 0644); err != nil {
			return errIO(stagePath, err)
		}
	}

	if p.Config.EnableBackport {
		if _, err := PatchToolchainVersion(output, p.Config.SDKTargets()); err != nil {
			return err
		}
		if err := os.WriteFile(outPath, output, 0644); err != nil {
			return errIO(outPath, err)
		}
	}

	if p.Config.EnableRewrap {
		tmpPath := outPath + ".tmp"
		if err := os.Rename(outPath, tmpPath); err != nil {
			return errIO(outPath, err)
		}
		tmpData, err := os.ReadFile(tmpPath)
		if err != nil {
			_ = os.Rename(tmpPath, outPath)
			return errIO(tmpPath, err)
		}
		wrapped, err := FakeSignEncode(tmpData, p.Magic)
		if err != nil {
			_ = os.Rename(tmpPath, outPath)
			return err
		}
		if err := os.WriteFile(outPath, wrapped, 0644); err != nil {
			_ = os.Rename(tmpPath, outPath)
			return errIO(outPath, err)
		}
		_ = os.Remove(tmpPath)
	}

	return nil
}

// decryptSelf runs SCP/SD/BD/IA over one SELF file's bytes and returns the
// reconstructed plain ELF image.
func (p *Pipeline) decryptSelf(data []byte) ([]byte, error) {
	self, err := ParseSelf(data, p.Magic)
	if err != nil {
		return nil, err
	}

	arena := NewArena(defaultArenaSize)
	defer arena.Reset()

	blockSegments := make(map[int]*BlockSegment)
	for _, seg := range self.Segments {
		if !seg.Flags.hasDigests() {
			continue
		}
		target, targetIdx, err := self.TargetSegment(seg)
		if err != nil {
			return nil, err
		}
		bs, err := DecryptSegment(p.KM, p.Profile, p.Service, arena, data, seg, target)
		if err != nil {
			return nil, err
		}
		debugf("decrypted digest segment, target=%d blocks=%d", targetIdx, bs.BlockCount)
		blockSegments[targetIdx] = bs
	}

	output, err := AssembleImage(self, data)
	if err != nil {
		return nil, err
	}

	for i, seg := range self.Segments {
		if !seg.Flags.hasBlocks() || seg.Flags.hasDigests() {
			continue
		}
		bs, ok := blockSegments[i]
		if !ok {
			p.log("segment %d has no block-info, skipping", i)
			continue
		}
		if err := DecryptBlocks(p.KM, p.Profile, p.Service, data, output, seg, i, bs, self.Phdrs); err != nil {
			return nil, err
		}
	}

	return output, nil
}
