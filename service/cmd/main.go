package main

import "github.com/mizosoft/graftchat/service"

func main() {
	service.RunServer()
}
