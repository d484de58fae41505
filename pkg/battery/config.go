package battery

import (
	"github.com/levenlabs/go-lflag"
)

// Configured returns a Beem controller wired from flags. relay is the broker
// connection heater relay commands are published on.
func Configured(relay Publisher) *Beem {
	b := newBeem(relay)

	apiURL := lflag.String("beem-api-url", "https://api-x.beem.energy/beemapp", "base URL for the Beem REST API")
	email := lflag.String("beem-email", "", "Beem account email")
	password := lflag.String("beem-password", "", "Beem account password")
	batteryID := lflag.String("beem-battery-id", "", "battery id for control commands, discovered automatically when empty")
	heaterTopic := lflag.String("heater-relay-topic", "", "MQTT topic the water heater relay listens on, disabled when empty")
	dryRun := lflag.Bool("dry-run", false, "log battery and heater commands instead of sending them")

	lflag.Do(func() {
		b.baseURL = *apiURL
		b.email = *email
		b.password = *password
		b.batteryID = *batteryID
		b.heaterTopic = *heaterTopic
		b.dryRun = *dryRun
	})

	return b
}
