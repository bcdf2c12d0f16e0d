// Copyright Project Relay Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/build"
)

func main() {
	log := logrus.StandardLogger()
	app := kingpin.New("relay", "Multi-protocol service runtime.")

	version := app.Command("version", "Build information.")
	serve, serveCtx := registerServe(app)

	args := os.Args[1:]
	switch kingpin.MustParse(app.Parse(args)) {
	case version.FullCommand():
		fmt.Println(build.PrintBuildInfo())
	case serve.FullCommand():
		if serveCtx.configFile != "" {
			if err := serveCtx.loadConfig(); err != nil {
				log.WithError(err).WithField("file", serveCtx.configFile).Fatal("failed to load configuration")
			}
		}
		if err := doServe(log, serveCtx); err != nil {
			log.WithError(err).Fatal("relay serve terminated")
		}
	default:
		app.Usage(args)
		os.Exit(2)
	}
}
