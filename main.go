package main

import "github.com/wesalappx/wesal-app-sub001/cmd"

func main() {
	cmd.Run()
}
