package main

import "github.com/RhysSullivan/codegate/cmd/codegate/cmd"

func main() {
	cmd.Execute()
}
