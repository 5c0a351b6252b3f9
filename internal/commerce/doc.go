// Package commerce talks to the Coinbase Commerce charges API. It creates
// hosted-checkout charges for paid readings and looks charges up again to
// confirm that the querent actually paid before the reading is released.
package commerce
