// cmd/lcmon/main.go
//
// lcmon tails the instrument's MQTT event bridge, printing every event as
// one JSON line. It is a diagnostic tool for bench use; the instrument
// itself never depends on it.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	topic := flag.String("topic", "lasercore/events/#", "topic filter to subscribe to")
	flag.Parse()

	opts := mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID("lcmon").
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *broker, tok.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	if tok := client.Subscribe(*topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		fmt.Printf("%s %s\n", msg.Topic(), msg.Payload())
	}); tok.Wait() && tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "subscribe %s: %v\n", *topic, tok.Error())
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
