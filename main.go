package main

import "xmppwebhook/cmd"

func main() {
	cmd.Execute()
}
