// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the tdshim command line tool.
package main

import (
	"os"

	"github.com/google/logger"
	"github.com/google/tdshim/cmd"
	"golang.org/x/net/context"
)

func main() {
	logger.Init("tdshim", false, false, os.Stderr)
	defer logger.Close()
	if err := cmd.MakeApp(context.Background(), &cmd.AppComponents{}).Execute(); err != nil {
		os.Exit(1)
	}
}
