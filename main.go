package main

import "github.com/ValentinKolb/slicerpc/cmd"

func main() {
	cmd.Execute()
}
