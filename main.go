package main

import "github.com/Manu343726/t86dbg/cmd/t86dbg"

func main() {
	t86dbg.Execute()
}
