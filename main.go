// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/modbot/modbot/cmd/modbot"

func main() {
	cmd.Execute()
}
