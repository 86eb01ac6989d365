package main

import "github.com/aweris/wcsnap/cmd/wcsnap/cmd"

func main() {
	cmd.Execute()
}
