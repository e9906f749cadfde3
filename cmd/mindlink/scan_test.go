//go:build test

package main

import (
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/srg/mindlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// ScanTestSuite runs the scan command against a mocked radio
type ScanTestSuite struct {
	CommandTestSuite
}

func (suite *ScanTestSuite) SetupTest() {
	mindwave := testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("MindWave Mobile").
		WithRSSI(-67).
		WithServices("FFE0").
		Build()
	brainlink := testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:66").
		WithName("BrainLink_Lite").
		WithRSSI(-45).
		Build()
	strap := testutils.NewAdvertisementBuilder().
		WithAddress("99:88:77:66:55:44").
		WithName("HRM Strap").
		WithRSSI(-80).
		WithServices("180D").
		Build()

	suite.WithAdvertisements(mindwave, brainlink, strap)

	suite.CommandTestSuite.SetupTest()
	resetScanFlags()
	color.NoColor = true
}

func resetScanFlags() {
	scanCmd.ResetFlags()
	initScanFlags()
}

func (suite *ScanTestSuite) TestScanCmd_Help() {
	// GOAL: Verify scan command displays help text with all flags
	//
	// TEST SCENARIO: Execute scan --help → returns success → output contains description and flag documentation

	stdout, _, err := suite.ExecuteCommand(suite.NewRoot(scanCmd), "scan", "--help")
	suite.Require().NoError(err, "help command MUST succeed")

	suite.Contains(stdout, "Scan for and display EEG headsets", "help MUST contain command description")
	suite.Contains(stdout, "--duration", "help MUST document --duration flag")
	suite.Contains(stdout, "--any", "help MUST document --any flag")
}

func (suite *ScanTestSuite) TestScanCmd_InvalidFormat() {
	// GOAL: Verify scan command rejects invalid format values

	_, _, err := suite.ExecuteCommand(suite.NewRoot(scanCmd), "scan", "--format=xml")

	suite.Require().Error(err, "invalid format MUST return error")
	suite.Contains(err.Error(), "invalid format 'xml': must be one of [table json]", "error MUST list valid formats")
}

func (suite *ScanTestSuite) TestScanCmd_JSONKnownVendorsOnly() {
	// GOAL: Verify only known headset vendors are listed, strongest signal first
	//
	// TEST SCENARIO: Three advertisements, one heart-rate strap → two records sorted by RSSI

	stdout, _, err := suite.ExecuteCommand(suite.NewRoot(scanCmd), "scan", "--duration", "1s", "--format", "json")
	suite.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(suite.T()).
		WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(stdout, `[
			{"id": "11:22:33:44:55:66", "name": "BrainLink_Lite", "rssi": -45, "authorized": true},
			{"id": "AA:BB:CC:DD:EE:FF", "name": "MindWave Mobile", "rssi": -67, "authorized": true}
		]`)
}

func (suite *ScanTestSuite) TestScanCmd_AnyVendorTable() {
	// GOAL: Verify --any lists unknown devices and marks them unsupported

	stdout, _, err := suite.ExecuteCommand(suite.NewRoot(scanCmd), "scan", "--duration", "1s", "--any")
	suite.Require().NoError(err, "scan MUST succeed")

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	suite.Require().Len(lines, 5, "header, separator and three rows MUST be printed")
	suite.Contains(lines[0], "NAME")
	suite.Contains(lines[2], "BrainLink_Lite")
	suite.Contains(lines[2], "Macrotellect")
	suite.Contains(lines[3], "MindWave Mobile")
	suite.Contains(lines[3], "NeuroSky")
	suite.Contains(lines[4], "HRM Strap")
	suite.True(strings.HasSuffix(strings.TrimSpace(lines[4]), "no"), "unknown vendor MUST be unsupported")
}

func (suite *ScanTestSuite) TestScanCmd_ServiceFilter() {
	// GOAL: Verify --services keeps only devices advertising the service

	stdout, _, err := suite.ExecuteCommand(suite.NewRoot(scanCmd), "scan", "--duration", "1s", "--any", "--services", "180d", "--format", "json")
	suite.Require().NoError(err)

	testutils.NewJSONAsserter(suite.T()).Assert(stdout, `[{"id": "99:88:77:66:55:44", "authorized": false}]`)
}

func (suite *ScanTestSuite) TestScanCmd_Simulated() {
	// GOAL: Verify --simulate scans the synthetic headset without touching the radio

	stdout, _, err := suite.ExecuteCommand(suite.NewRoot(scanCmd), "--simulate", "scan", "--duration", "300ms", "--format", "json")
	suite.Require().NoError(err)

	testutils.NewJSONAsserter(suite.T()).Assert(stdout, `[
		{"id": "00:00:5e:00:53:01", "name": "MindWave Mobile (sim)", "rssi": -55, "authorized": true}
	]`)
	suite.Device.AssertNotCalled(suite.T(), "Scan")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
