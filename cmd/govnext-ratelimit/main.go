// Command govnext-ratelimit runs the GovNext multi-tier rate limiter.
package main

import "github.com/govnext/web-core-sub000/cmd/govnext-ratelimit/cmd"

func main() {
	cmd.Execute()
}
