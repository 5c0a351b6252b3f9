// Package agent contains the oracle agent. It owns the agent identity,
// answers fortune requests delivered through the dispatcher, records every
// reading and signs the replies it sends back to the querent.
package agent
