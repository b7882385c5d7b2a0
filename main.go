package main

import "github.com/Xelofan/geminicord/cmd"

func main() {
	cmd.Execute()
}
