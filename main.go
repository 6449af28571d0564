package main

import "github.com/Arcane561/graal/wasmbuild/cmd"

func main() {
	cmd.Execute()
}
