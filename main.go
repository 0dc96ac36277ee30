// Command labelscan finds nutrition-facts label images for queued products.
package main

import "github.com/JakeFAU/labelscan/cmd"

func main() {
	cmd.Execute()
}
