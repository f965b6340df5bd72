// Command kcore boots the memory core, runs a small fork, copy-on-write and
// file-mapping workload, and logs what each subsystem did.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"kcore"
	"kcore/mmap"
	"kcore/vm"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	procs := flag.Int("procs", 4, "number of children to fork")
	flag.Parse()

	cfg := kcore.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = kcore.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "kcore: %v\n", err)
			os.Exit(1)
		}
	}

	logger, closer, err := kcore.InitLogger(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kcore: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	k, err := kcore.New(cfg, logger)
	if err != nil {
		logger.Error("kcore: boot failed", "err", err)
		os.Exit(1)
	}

	if err := run(k, *procs); err != nil {
		logger.Error("kcore: workload failed", "err", err)
		_ = k.Close()
		os.Exit(1)
	}

	st := k.Stats()
	logger.Info("kcore: done",
		"frames", st.Memory.Frames, "free", st.Memory.Free,
		"cache_hits", st.Cache.Hits, "cache_misses", st.Cache.Misses,
		"evictions", st.Cache.Evictions, "groups", st.Groups)

	if err := k.Close(); err != nil {
		logger.Error("kcore: shutdown", "err", err)
		os.Exit(1)
	}
}

// run maps a shared file into a first process, then forks children that
// each dirty their own heap copy and their own page of the file.
func run(k *kcore.Kernel, nchild int) error {
	const heap = 4 * vm.PageSize

	f, err := k.CreateFile(uint32(nchild*vm.PageSize/k.Cache().BlockSize()), true, true)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Inode().Truncate(int64(nchild * vm.PageSize)); err != nil {
		return err
	}

	root, err := k.NewProcess(0)
	if err != nil {
		return err
	}
	if _, err := root.Space().Sbrk(heap); err != nil {
		return err
	}
	if err := root.Space().CopyOut(0, []byte("init")); err != nil {
		return err
	}
	addr, err := root.Map(f, nchild*vm.PageSize, mmap.ProtRead|mmap.ProtWrite, mmap.MapShared)
	if err != nil {
		return err
	}

	for i := 0; i < nchild; i++ {
		child, err := root.Fork(i % k.NCPU())
		if err != nil {
			return err
		}
		msg := []byte(fmt.Sprintf("child %d", i))
		if err := child.Space().CopyOut(0, msg); err != nil {
			return err
		}
		if err := child.Space().CopyOut(addr+uint64(i)*vm.PageSize, msg); err != nil {
			return err
		}
		slog.Info("kcore: child wrote", "child", i, "allocated", k.Stats().Memory.Allocated)
		if err := child.Exit(); err != nil {
			return err
		}
	}

	got, err := root.Space().CopyIn(0, 4)
	if err != nil {
		return err
	}
	slog.Info("kcore: parent heap untouched", "data", string(got))

	return root.Exit()
}
