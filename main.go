package main

import "github.com/ValentinKolb/wstore/cmd"

func main() {
	cmd.Execute()
}
