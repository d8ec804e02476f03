// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bot implements a command-driven chat bot on top of a persistent
// WhatsApp multi-device session.
//
// The package never talks to the network protocol directly. A [Transport]
// opens [Session] values and reports connection, credential and message
// events to an [EventSink]; the concrete whatsmeow adapter lives in the
// whatsapp package.
//
// # Core Types
//
// [Manager] owns the session lifecycle: it opens the session, persists
// credential material through a [CredentialStore], replaces the session
// wholesale after a transient disconnect and stops for good when the
// identity is logged out.
//
// [Classify] turns a raw inbound [Message] into a [Command]. Only bodies that
// start with the configured prefix are commands.
//
// [Dispatcher] handles live message batches one message at a time. Each
// command is acknowledged with a quoted reply, routed through the
// [Registry] alias table and executed behind a recover boundary so that a
// failing handler never aborts its siblings.
//
// [ReplyGateway] sends outbound content, optionally wrapped in the
// subscribe/composing/paused typing choreography.
//
// [RegisterCommands] installs the built-in handlers (stickers, media
// downloads, view-once reveal, portal lookups, link previews and help).
//
// [AdminAPI] exposes the session status and a cache flush over HTTP.
//
// # Sub-packages
//
//   - wafmt converts markdown to WhatsApp inline markup.
package bot
