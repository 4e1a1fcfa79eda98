// Package main is the entry point for the paywall service.
package main

func main() {
	Execute()
}
