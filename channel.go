// SPDX-License-Identifier: GPL-3.0

package tsch

import "math"

// dBmToMw converts a dBm power level to milliwatts.
func dBmToMw(dbm float64) float64 {
	return math.Pow(10, dbm/10)
}

// mWToDbm converts a milliwatt power level to dBm.
func mWToDbm(mw float64) float64 {
	return 10 * math.Log10(mw)
}

// noFloorSINRdB is the SINR reported when the desired signal does not clear
// the noise floor.
const noFloorSINRdB = -10

// sinrDB computes the SINR in dB of a desired signal at rssiDbm against a
// noise floor (dBm) and a set of interferer RSSI values (all dBm)
func sinrDB(rssiDbm, noiseDbm float64, interfererRSSI []float64) float64 {
	noiseMw := dBmToMw(noiseDbm)
	s := dBmToMw(rssiDbm) - noiseMw
	if s < 0 {
		return noFloorSINRdB
	}
	var itot float64
	for _, irssi := range interfererRSSI {
		c := dBmToMw(irssi) - noiseMw
		if c > 0 {
			itot += c
		}
	}
	return mWToDbm(s / (itot + noiseMw))
}

// effectiveRSSI maps a SINR (dB), computed against a given noise floor
// (dBm), back to an equivalent RSSI for lookup in a PDR table
func effectiveRSSI(sinrDb, noiseDbm float64) float64 {
	noiseMw := dBmToMw(noiseDbm)
	return mWToDbm(dBmToMw(sinrDb+noiseDbm) + noiseMw)
}

// pdrForSINR combines sinrDB and effectiveRSSI to derive the packet delivery
// ratio of a desired transmission against a noise floor, interferer set, and
// externally supplied RSSI->PDR mapping.
func pdrForSINR(rssiDbm, noiseDbm float64, interfererRSSI []float64, topo Topology) float64 {
	sinr := sinrDB(rssiDbm, noiseDbm, interfererRSSI)
	eff := effectiveRSSI(sinr, noiseDbm)
	return topo.RSSIToPDR(eff)
}
