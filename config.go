package kcore

import (
	"encoding/json"
	"fmt"
	"os"

	"kcore/fs"
	"kcore/vm"
)

// Config sizes every subsystem of a Kernel. It is read from a JSON document.
type Config struct {
	NCPU        int    `json:"ncpu"`
	NFrames     int    `json:"nframes"`
	PageSize    int    `json:"page_size"`
	NBuf        int    `json:"nbuf"`
	NBucket     int    `json:"nbucket"`
	BlockSize   int    `json:"block_size"`
	DiskBlocks  int    `json:"disk_blocks"`
	MaxOpBlocks int    `json:"max_op_blocks"`
	LogSize     int    `json:"log_size"`
	LogLevel    string `json:"log_level"`
	LogPath     string `json:"log_path"`  // Empty logs to stdout only
	DiskPath    string `json:"disk_path"` // Empty keeps the disk in memory
}

// DefaultConfig returns the configuration used for keys a document omits.
func DefaultConfig() Config {
	return Config{
		NCPU:        DefaultNCPU,
		NFrames:     DefaultNFrames,
		PageSize:    vm.PageSize,
		NBuf:        DefaultNBuf,
		NBucket:     DefaultNBucket,
		BlockSize:   DefaultBlockSize,
		DiskBlocks:  DefaultDiskBlocks,
		MaxOpBlocks: DefaultMaxOpBlocks,
		LogSize:     DefaultLogSize,
		LogLevel:    DefaultLogLevel,
	}
}

// LoadConfig decodes the JSON document at path over DefaultConfig and
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first setting the kernel cannot run with.
func (c Config) Validate() error {
	switch {
	case c.NCPU <= 0 || c.NFrames <= 0:
		return fmt.Errorf("cpu count and frame count must be positive")
	case c.PageSize != vm.PageSize:
		return fmt.Errorf("page size must be %d, got %d", vm.PageSize, c.PageSize)
	case c.NBuf <= 0 || c.NBucket <= 0:
		return fmt.Errorf("buffer count and bucket count must be positive")
	case c.BlockSize <= 0 || c.DiskBlocks <= 0:
		return fmt.Errorf("block size and disk size must be positive")
	case fs.WriteChunk(c.MaxOpBlocks, c.BlockSize) <= 0:
		return fmt.Errorf("max op blocks %d leaves no room for file data", c.MaxOpBlocks)
	case c.LogSize < c.MaxOpBlocks:
		return fmt.Errorf("log size %d is smaller than max op blocks %d", c.LogSize, c.MaxOpBlocks)
	case c.NBuf < c.MaxOpBlocks:
		return fmt.Errorf("%d buffers cannot hold one group of %d blocks", c.NBuf, c.MaxOpBlocks)
	}
	return nil
}
