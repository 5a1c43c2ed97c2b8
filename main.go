package main

import "github.com/speakcapture/speakcapture/cmd"

func main() {
	cmd.Execute()
}
