// Command account-server runs an account storage node.
package main

func main() {
	Execute()
}
