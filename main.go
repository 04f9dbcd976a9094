package main

import "github.com/kmproj/jpksj-to-sql/cmd"

func main() {
	cmd.Execute()
}
