package main

import "contribtrend/cmd"

func main() {
	cmd.Execute()
}
