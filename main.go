package main

import "github.com/audiolibrelab/voicemd/cmd"

func main() {
	cmd.Execute()
}
