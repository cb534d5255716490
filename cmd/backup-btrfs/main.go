// Package main is the entry point for backup-btrfs.
package main

import "github.com/hannes-hochreiner/backup-btrfs/internal/cli"

func main() {
	cli.Execute()
}
