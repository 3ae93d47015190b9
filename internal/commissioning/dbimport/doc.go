// Package dbimport provides parsing and import of EPICS database files.
//
// IOC engineers describe their process variables in .db files: record
// instances with a type, a PV name, and a set of fields. This package
// parses those files and detects the beamline devices behind them, so
// commissioning a new endstation starts from the IOC's own database
// instead of hand-typed configuration.
//
// # Usage
//
//	parser := dbimport.NewParser()
//	result, err := parser.ParseFile("ioc/25idc.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Review detected devices
//	for _, dev := range result.Devices {
//	    fmt.Printf("%s: %s (confidence: %.0f%%)\n",
//	        dev.SuggestedName, dev.DetectedType, dev.Confidence*100)
//	}
//
// # Device Detection
//
// Detection is heuristic. A motor record is a motor, full stop. A
// scaler record yields one ion chamber per named counting channel.
// Binary output pairs whose names end in open/close verbs, plus an
// optional binary input for position readback, become shutters.
//
// Detection confidence is scored:
//   - High (>80%): Strong pattern match, auto-selected for import
//   - Medium (50-80%): Partial match, flagged for review
//   - Low (<50%): Uncertain, requires manual confirmation
//
// # Integration
//
// After parsing, proposals can be rendered as YAML for review or as an
// iconfig TOML fragment ready to paste into the beamline configuration.
package dbimport
