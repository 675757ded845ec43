package main

import "southwinds.dev/filevault/cli/cmd"

func main() {
	cmd.Execute()
}
