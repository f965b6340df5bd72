package kcore

const (
	DefaultNCPU        = 8    // CPUs, one free list each
	DefaultNFrames     = 8192 // 32 MiB of 4 KiB frames
	DefaultNBuf        = 30   // MaxOpBlocks*3 buffers
	DefaultNBucket     = 13   // prime, spreads sequential block numbers
	DefaultBlockSize   = 1024 // bytes per disk block
	DefaultDiskBlocks  = 2000 // blocks on the root device
	DefaultMaxOpBlocks = 10   // most blocks one group may write
	DefaultLogSize     = 30   // MaxOpBlocks*3 blocks of log space
	DefaultLogLevel    = "INFO"

	// RootDev is the device number of the disk every file lives on.
	RootDev = 1
)
