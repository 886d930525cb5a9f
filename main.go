package main

import "github.com/tonywu7/dougbot2-sub000/cmd"

func main() {
	cmd.Execute()
}
