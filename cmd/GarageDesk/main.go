// Command GarageDesk runs the auto-shop WhatsApp desk: bot replies, the human attendance queue and
// the operator API.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
