// Package pumplink is a Linux Bluetooth Classic client library for
// insulin-pump-style peripherals that locate their host over the
// Serial Port Profile.
//
// A Client owns one connection to the system D-Bus and a worker loop
// on which all interaction with the BlueZ daemon happens. During a
// discovery session the Client advertises an SPP record on a listening
// RFCOMM channel, acts as the system's default pairing agent with a
// fixed PIN, and reports newly paired devices through a callback.
// Paired devices are then reachable as Devices: bidirectional RFCOMM
// byte streams with blocking connect/send/receive that can be
// cancelled from any goroutine.
//
// Logging goes through the process-wide logrus standard logger;
// configure it once at startup.
package pumplink
