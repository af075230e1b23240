package encoder

import (
	"fmt"
	"strings"
)

// StripArgs builds the ffmpeg argument list that remuxes a transport
// stream copy with tagged audio languages, dropping data streams the
// encoder cannot use. inPath and outPath may be "-" for pipes.
func StripArgs(ffmpeg, inPath, outPath string, audioLanguages []string, fixAudio bool) []string {
	args := []string{
		ffmpeg, "-hide_banner", "-y",
		"-i", inPath,
		"-c:v", "copy",
	}
	if fixAudio {
		args = append(args, "-af", "aresample=async=1", "-c:a", "aac")
	} else {
		args = append(args, "-c:a", "copy")
	}
	args = append(args, "-map", "0:v", "-map", "0:a", "-ignore_unknown")
	for i, language := range audioLanguages {
		args = append(args, fmt.Sprintf("-metadata:s:a:%d", i), "language="+language)
	}
	args = append(args, "-f", "mpegts", outPath)
	return args
}

// EncodeArgs builds the ffmpeg argument list that transcodes the stripped
// stream into the final artifact. The codec flags depend on the encoder
// family: NVENC and VideoToolbox take rate-control flags, software
// encoders take a CRF.
func EncodeArgs(ffmpeg, inPath, outPath string, preset Preset, codec string) []string {
	args := []string{
		ffmpeg, "-hide_banner", "-y",
		"-i", inPath,
	}
	if preset.VideoFilter != "" {
		args = append(args, "-vf", preset.VideoFilter)
	}
	switch {
	case strings.Contains(codec, "_nvenc"):
		args = append(args,
			"-c:v", codec,
			"-rc:v", "vbr_hq",
			"-cq:v", preset.CRF,
			"-b:v", preset.Bitrate,
			"-maxrate:v", preset.MaxRate,
			"-profile:v", "high")
	case strings.Contains(codec, "_videotoolbox"):
		args = append(args,
			"-c:v", codec,
			"-b:v", preset.Bitrate,
			"-maxrate:v", preset.MaxRate)
	default:
		args = append(args, "-c:v", codec, "-crf", preset.CRF)
	}
	args = append(args,
		"-c:a", "copy", "-bsf:a", "aac_adtstoasc",
		"-map", "0:v", "-map", "0:a", "-ignore_unknown",
		outPath)
	return args
}
