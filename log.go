// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"fmt"
	"log"
)

// logEvents logs schedule mutations, parent churn and transaction aborts.
const logEvents = false

// logf logs a message.
func logf(asn ASN, id MoteID, format string, a ...any) {
	log.Printf("%d [%d]: %s", asn, id, fmt.Sprintf(format, a...))
}
