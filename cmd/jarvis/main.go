// Command jarvis runs the orchestrator and domain agents and talks to them
// over the broker.
package main

func main() {
	Execute()
}
