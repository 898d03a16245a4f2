// The main package for the basshunter executable.
package main

// main defers all execution to the Cobra CLI.
func main() {
	Execute()
}
