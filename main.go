package main

import "github.com/ValentinKolb/dStor/cmd"

func main() {
	cmd.Execute()
}
