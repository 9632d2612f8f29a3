// Copyright 2025 The Ratewall Authors.
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

package gcra

// MaxSlots is the fixed number of key/rate-parameter slots the script
// accepts, padded with empty keys and zero parameters beyond n_rates, per
// the wire contract in spec.md §6.
const MaxSlots = MaxRates

// Script is the atomic, server-side GCRA decision procedure (C4). It is
// executed as a single EVAL/EVALSHA, which is the only reason the
// algorithm is safe under distributed concurrency: every invocation
// against the same key set is linearized by the store (spec.md §4.4).
//
// KEYS[1..3]: up to MaxSlots store keys, "" for unused slots.
// ARGV: now_ms, ttl_policy_ms, n_rates, T_1, B_1, T_2, B_2, T_3, B_3
//
// Returns: {allowed(0|1), retry_after_ms, reset_ms, remaining, matched_index(1-based)}
const Script = `
local now = tonumber(ARGV[1])
local ttl_policy = tonumber(ARGV[2])
local n = tonumber(ARGV[3])

local reject_idx = -1
local reject_retry = -1
local reject_reset = 0

local new_tat = {}
local admit_remaining = {}
local admit_reset = {}

for i = 1, n do
  local key = KEYS[i]
  local t = tonumber(ARGV[3 + (i - 1) * 2 + 1])
  local b = tonumber(ARGV[3 + (i - 1) * 2 + 2])

  local tat_raw = redis.call('GET', key)
  local tat
  if tat_raw then
    tat = tonumber(tat_raw)
  else
    tat = now
  end

  local allow_at = tat - b
  if now < allow_at then
    local retry = allow_at - now
    if retry > reject_retry then
      reject_retry = retry
      reject_reset = tat - now
      reject_idx = i
    end
  else
    local base = tat
    if now > base then base = now end
    local nt = base + t
    local reset = nt - now
    local remaining = math.floor((b - reset) / t)
    if remaining < 0 then remaining = 0 end
    new_tat[i] = nt
    admit_remaining[i] = remaining
    admit_reset[i] = reset
  end
end

if reject_idx ~= -1 then
  return {0, reject_retry, reject_reset, 0, reject_idx}
end

local matched = 1
for i = 2, n do
  if admit_remaining[i] < admit_remaining[matched] then
    matched = i
  end
end

for i = 1, n do
  redis.call('SET', KEYS[i], new_tat[i], 'PX', ttl_policy)
end

return {1, 0, admit_reset[matched], admit_remaining[matched], matched}
`
