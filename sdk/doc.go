// Copyright 2025 Tom Barlow
//
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

/*
Package sdk provides a Go client for the grinderd HTTP API.

The grinder CLI is built on this package; any Go program can use it to
submit pipeline tasks, watch their progress and administer the daemon.

# Basic Usage

Create a client, log in and submit a task:

	c, err := sdk.New(sdk.WithBaseURL("http://127.0.0.1:8642"))
	if err != nil {
	    log.Fatal(err)
	}

	session, err := c.Login(ctx, "admin", password)
	if err != nil {
	    log.Fatal(err)
	}

	detail, err := c.CreateTask(ctx, sdk.CreateTaskRequest{
	    Problems:      []string{"P1001", "https://codeforces.com/problemset/problem/4/A"},
	    TargetAdapter: "local",
	})

	// Poll until the task settles.
	detail, err = c.Task(ctx, detail.Task.ID)

# Connection Options

	// Token from a previous login
	c, _ := sdk.New(sdk.WithToken(token))

	// Unix socket
	c, _ := sdk.New(sdk.WithTransport(sdk.NewUnixTransport("/run/grinder/grinderd.sock")))

	// From GRINDER_HOST / GRINDER_TOKEN
	c, _ := sdk.FromEnvironment()

GRINDER_HOST accepts unix:///path, tcp://host:port or https://host:port.
When unset the client dials the daemon's default listen address,
127.0.0.1:8642.

# Errors

API failures decode into *APIError carrying the HTTP status and the
daemon's message:

	_, err := c.Task(ctx, "nope")
	if sdk.IsNotFound(err) {
	    // ...
	}

A connection refused against the default address wraps into
*DaemonNotRunningError, whose Guidance method tells the user how to
start grinderd.

# Events

Events opens the daemon's live event stream:

	stream, err := c.Events(ctx)
	if err != nil {
	    log.Fatal(err)
	}
	defer stream.Close()
	for ev := range stream.C {
	    fmt.Println(ev.Kind, ev.TaskID, ev.Status)
	}
	if err := stream.Err(); err != nil {
	    log.Fatal(err)
	}
*/
package sdk
