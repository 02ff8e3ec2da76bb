package main

import "github.com/seaclaw/seaclaw/cmd"

func main() {
	cmd.Execute()
}
