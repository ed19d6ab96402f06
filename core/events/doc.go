// Package events defines the typed turn-core event contract.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - user_input.*
//   - speculation.*
//   - response.*
//   - backchannel.*
//   - turn_state.*
//
// Every source delivers its events in FIFO order. Events from a speculation
// session that has since been pivoted or corrected are never delivered.
//
// user_input events
//
//   - UserTranscriptInterimUpdated (user_input.transcript_interim_updated): a
//     partial transcript reached the coordinator.
//   - UserTranscriptFinal (user_input.transcript_final): the final transcript
//     of the utterance opened a turn.
//
// speculation events
//
//   - SpeculationStarted (speculation.started): a partial transcript qualified
//     and a speculative session was opened.
//   - SpeculationUpdated (speculation.updated): the active session absorbed a
//     revised partial transcript; carries the similarity to the previous one.
//   - SpeculationPivoted (speculation.pivoted): the active session was
//     abandoned for a new one in the same turn.
//   - SpeculationConfirmed (speculation.confirmed): the final transcript
//     matched the speculation; carries elapsed speculation time.
//   - SpeculationCorrected (speculation.corrected): the final transcript
//     diverged; carries the correction strategy.
//
// response events
//
//   - SentenceDetected (response.sentence): an independently synthesizable
//     sentence unit was cut from the token stream.
//   - AudioReady (response.audio_ready): audio for a sentence is available.
//     Delivered in sentence index order.
//   - AllAudioReady (response.all_audio_ready): generation finished and every
//     outstanding synthesis settled; carries the ordered, compacted audio.
//
// backchannel events
//
//   - BackchannelExecuted (backchannel.executed): filler audio was produced.
//   - BackchannelFailed (backchannel.failed): filler audio could not be
//     produced.
//
// turn_state events
//
//   - TurnStarted (turn_state.started): a turn's generation window opened.
//   - TurnCompleted (turn_state.completed): the turn produced its response.
//   - TurnFailed (turn_state.failed): generation or synthesis failed; a
//     fallback utterance replaces the response.
//   - TurnTimedOut (turn_state.timed_out): the turn exceeded its deadline; the
//     response is whatever audio arrived in time.
package events
