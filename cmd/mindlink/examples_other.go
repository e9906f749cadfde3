//go:build !darwin

package main

const (
	exampleDeviceAddress = "C4:64:E3:E8:1A:2B"
	deviceAddressNote    = "Device address format: MAC address, colon separated\n  Use 'mindlink scan' to discover headsets"
)
