package main

import "github.com/promohive/promohive/cmd"

func main() {
	cmd.Execute()
}
