package main

import "github.com/vietddude/catalogsync/internal/cli"

func main() {
	cli.Execute()
}
