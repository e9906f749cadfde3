// Package device defines the wireless transport contracts consumed by the
// scanner and the connection supervisor.
//
// It provides:
//   - Record, the immutable-except-RSSI description of a discovered headset
//   - Transport and Link, the scan/dial/read/subscribe surface of a BLE stack
//   - ConnectionError sentinels shared by every transport implementation
//   - PermissionProvider, the radio-permission collaborator checked before scanning
//
// Implementations live in the go-ble (real radio) and sim (synthetic headset)
// subpackages.
package device
