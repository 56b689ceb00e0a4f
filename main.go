package main

import "github.com/andresmejia3/smartlock/cmd"

func main() {
	cmd.Execute()
}
