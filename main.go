package main

import "gowarp/cmd"

func main() {
	cmd.Execute()
}
