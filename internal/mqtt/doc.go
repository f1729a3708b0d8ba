// Package mqtt publishes Roundtable's runtime status to an MQTT broker
// as Home Assistant discovery sensors, and optionally accepts user turns
// on an ask topic.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity, a birth message ("online") to the availability
// topic, and re-subscribes to the ask topic when one is configured. A
// will message ensures the availability topic transitions to "offline"
// on unexpected disconnects.
//
// Scheduler transitions reach the publisher through [Publisher.ObserveStatus],
// which never blocks: it only flags that the busy/idle state should be
// republished ahead of the next periodic tick.
package mqtt
