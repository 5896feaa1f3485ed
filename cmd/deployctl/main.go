// Package main is the entry point for deployctl, the deployment
// bootstrapper and ops toolkit of the Comercium marketplace.
package main

func main() {
	Execute()
}
