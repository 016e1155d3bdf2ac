package main

import "github.com/huanndev/rustlink/cmd"

func main() {
	cmd.Execute()
}
