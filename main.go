package main

import "github.com/chadmayfield/aqimport/cmd"

func main() {
	cmd.Execute()
}
