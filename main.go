package main

import "github.com/nextlevelbuilder/aegis/cmd"

func main() {
	cmd.Execute()
}
