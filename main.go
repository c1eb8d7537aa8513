package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xyproto/env/v2"
)

func main() {
	var (
		srcRoot       = flag.String("src", "", "source root to walk for SELF containers")
		destRoot      = flag.String("dest", "", "destination root for decrypted/re-wrapped output")
		configPath    = flag.String("config", env.Str("SELFDUMP_CONFIG", ""), "path to a YAML config file")
		decrypt       = flag.Bool("decrypt", true, "run the decrypt pipeline")
		backport      = flag.Bool("backport", true, "enable the toolchain-version patcher")
		backportLevel = flag.Int("backport-level", defaultBackportLevel, "toolchain version table row (1-10)")
		minPS5SDK     = flag.String("min-ps5-sdk", "", "override PS5 SDK target (hex, e.g. 0x05000033)")
		minPS4SDK     = flag.String("min-ps4-sdk", "", "override PS4 SDK target (hex, e.g. 0x09590001)")
		rewrap        = flag.Bool("rewrap", false, "re-wrap decrypted output as a fake-signed SELF")
		logPath       = flag.String("log", "selfdump.log", "log file path")
		firmware      = flag.String("firmware", "", "running firmware version (hex, e.g. 0x05000000)")
		verbose       = flag.Bool("v", env.Bool("SELFDUMP_LOG_LEVEL"), "verbose debug output")
		dryRun        = flag.Bool("dry-run", false, "use an in-memory mock kernel instead of live kernel memory access")
	)
	flag.Parse()

	VerboseMode = *verbose

	if *srcRoot == "" || *destRoot == "" {
		fmt.Fprintln(os.Stderr, "usage: selfdump -src <dir> -dest <dir> [flags]")
		os.Exit(2)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("selfdump: config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "decrypt":
			cfg.Decrypter = *decrypt
		case "backport":
			cfg.EnableBackport = *backport
		case "backport-level":
			cfg.BackportLevel = *backportLevel
		case "rewrap":
			cfg.EnableRewrap = *rewrap
		case "log":
			cfg.LogPath = *logPath
		}
	})
	if *minPS5SDK != "" {
		v, err := parseHexUint32(*minPS5SDK)
		if err != nil {
			log.Fatalf("selfdump: -min-ps5-sdk: %v", err)
		}
		cfg.MinPS5SDK = &v
	}
	if *minPS4SDK != "" {
		v, err := parseHexUint32(*minPS4SDK)
		if err != nil {
			log.Fatalf("selfdump: -min-ps4-sdk: %v", err)
		}
		cfg.MinPS4SDK = &v
	}

	logger := NewFileLogger(cfg.LogPath, cfg.EnableLogging)
	notifier := StderrNotifier{}
	progress := NewProgress(logger)
	defer progress.Close()

	var km KernelMemory
	var profile FirmwareProfile
	var svc DecryptService

	if *dryRun {
		mk := NewMockKernel(0, 16<<20)
		profile = FirmwareProfile{
			AuthHandle: 0x1000, MailboxMtx: 0x2000, MailboxBase: 0x3000,
			ServiceLock: 0x4000, MailboxFlags: 0x5000, MailboxMeta: 0x6000,
			DmapML4I: 0, DmapDPI: 0, PML4SelfIndex: 0,
			MessageIDCounter: 0x7000, ScratchA: 0x8000, ScratchB: 0xA000,
		}
		km = mk
		svc = NewMockDecryptService(mk, profile)
	} else {
		fwVersion, err := parseHexUint32(*firmware)
		if err != nil {
			log.Fatalf("selfdump: -firmware: %v", err)
		}
		profile, err = LookupFirmwareProfile(fwVersion)
		if err != nil {
			log.Fatalf("selfdump: %v", err)
		}
		live, err := NewLiveKernel("/dev/selfdump-kmem", profile)
		if err != nil {
			log.Fatalf("selfdump: %v", err)
		}
		km = live
		mt := NewMailboxTransport(km, profile)
		svc = NewMailboxDecryptService(mt, 0)
	}

	pipeline := &Pipeline{
		KM:       km,
		Profile:  profile,
		Service:  svc,
		Magic:    selfMagicPS5,
		Config:   cfg,
		Notifier: notifier,
		Logger:   logger,
		Progress: progress,
		SrcRoot:  *srcRoot,
		DestRoot: *destRoot,
	}

	if err := pipeline.Run(); err != nil {
		notifier.Notify("pipeline stopped: %v", err)
		log.Fatalf("selfdump: %v", err)
	}
	notifier.Notify("done: processed %d of %d files", progress.Processed.Load(), progress.Total.Load())
}

func parseHexUint32(s string) (uint32, error) {
	var v uint32
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err != nil {
		_, err = fmt.Sscanf(s, "%x", &v)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return v, nil
}
