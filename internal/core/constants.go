// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// KeyWidth is the build-time width, in bytes, of a Key. Spec allows 8 or 16.
// Neither config file records a key width, so nodes built with mismatched
// widths are not detected at config-load time.
const KeyWidth = 8

// DefaultTimestampPeriod is used when a node config omits
// pearl.settings.timestamp_period.
const DefaultTimestampPeriod = 86400 // 1 day, in seconds of Timestamp

// DefaultQuorum is used when a node config omits quorum.
const DefaultQuorum = 1
