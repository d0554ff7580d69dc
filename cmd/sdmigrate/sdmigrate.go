// Binary sdmigrate scans, plans, and executes SD card partition table
// migrations and same-disk cleanups for Nintendo Switch custom firmware
// setups (FAT32 boot partition, optional Linux/Android/emuMMC volumes).
package main

import "github.com/nyxgpt/sdmigrate/cmd/sdmigrate/cmd"

func main() {
	cmd.Execute()
}
