package main

import "github.com/gingerologist/downmix-pipeline/cmd"

func main() {
	cmd.Execute()
}
