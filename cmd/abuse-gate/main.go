package main

import "github.com/Sentinel-Gate/abusegate/cmd/abuse-gate/cmd"

func main() {
	cmd.Execute()
}
