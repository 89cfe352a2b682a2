package main

import "github.com/andresmejia3/anomalywatch/cmd"

func main() {
	cmd.Execute()
}
